package caissedepargne

import (
	"context"
	"errors"
	"fmt"

	"bankauth-backend/internal/sca"
	"bankauth-backend/lib/virtkeyboard"
)

// defaultSymbols are the md5 fingerprints of each digit image once
// thresholded. Some digits are drawn in several ways.
var defaultSymbols = map[rune][]string{
	'0': {"66ec79b200706e7f9c14f2b6d35dbb05"},
	'1': {"529819241cce382b429b4624cb019b56", "0ea8c08e52d992a28aa26043ffc7c044"},
	'2': {"fab68678204198b794ce580015c8637f"},
	'3': {"3fc5280d17cf057d1c4b58e4f442ceb8"},
	'4': {"dea8800bdd5fcaee1903a2b097fbdef0", "e413098a4d69a92d08ccae226cea9267", "61f720966ccac6c0f4035fec55f61fe6", "2cbd19a4b01c54b82483f0a7a61c88a1"},
	'5': {"ff1909c3b256e7ab9ed0d4805bdbc450"},
	'6': {"7b014507ffb92a80f7f0534a3af39eaa"},
	'7': {"7d598ff47a5607022cab932c6ad7bc5b"},
	'8': {"4ed28045e63fa30550f7889a18cdbd81", "88944bdbef2e0a49be9e0c918dd4be64"},
	'9': {"dd6317eadb5a0c68f1938cec21b05ebe"},
}

// thresholdLimit is the gray level under which a key pixel is ink.
const thresholdLimit = 20

func keyboardURL(unit validationUnit) string {
	return unit.Raw.Get("virtualKeyboard.externalRestMediaApiUrl").String()
}

// encodeSecret downloads the keys of a virtual keyboard and translates
// secret into their codes.
func (a *Adapter) encodeSecret(ctx context.Context, imagesURL string, secret string) (string, error) {
	if imagesURL == "" {
		return "", sca.Fail(sca.KindProtocolViolation, "password unit without a virtual keyboard")
	}
	page, err := a.Get(ctx, imagesURL)
	if err != nil {
		return "", err
	}

	keys := map[string][]byte{}
	for _, item := range page.JSON().Array() {
		value := item.Get("value").String()
		uri := item.Get("uri").String()
		if value == "" || uri == "" {
			continue
		}
		img, err := a.Get(ctx, uri)
		if err != nil {
			return "", err
		}
		keys[value] = img.Body
	}
	if len(keys) == 0 {
		return "", sca.Fail(sca.KindProtocolViolation, "the virtual keyboard has no keys")
	}

	keyboard, err := virtkeyboard.New(
		a.symbols, keys,
		virtkeyboard.WithHash(virtkeyboard.MD5),
		virtkeyboard.WithNormalizer(virtkeyboard.Threshold(thresholdLimit)),
		virtkeyboard.WithSeparator(" "),
	)
	if err != nil {
		return "", sca.Wrap(sca.KindProtocolViolation, err)
	}
	code, err := keyboard.Encode(secret)
	if errors.Is(err, virtkeyboard.ErrSymbolNotFound) {
		for _, r := range secret {
			if r < '0' || r > '9' {
				return "", &sca.Error{
					Kind:      sca.KindIncorrectPassword,
					Message:   "the password can only contain digits",
					BadFields: []string{"password"},
				}
			}
		}
		a.tel.ReportBroken(report_adapter_keyboard, err)
		return "", sca.Wrap(sca.KindProtocolViolation, fmt.Errorf("unknown key images: %w", err))
	}
	if err != nil {
		return "", err
	}
	return code, nil
}
