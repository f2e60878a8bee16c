package caissedepargne

import (
	"fmt"

	"bankauth-backend/lib/pagematch"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	statusInProgress   = "AUTHENTICATION"
	statusSuccess      = "AUTHENTICATION_SUCCESS"
	statusFailed       = "AUTHENTICATION_FAILED"
	statusFailedLegacy = "FAILED_AUTHENTICATION"
	statusLocked       = "AUTHENTICATION_LOCKED"
	statusCanceled     = "AUTHENTICATION_CANCELED"
	statusEnrollment   = "ENROLLMENT"
)

const (
	unitPassword  = "PASSWORD"
	unitSms       = "SMS"
	unitEmail     = "EMAIL"
	unitCloudcard = "CLOUDCARD"
)

// validationUnit is one means of proof the transaction waits for.
type validationUnit struct {
	// Key is the random key the unit is filed under.
	Key  string
	ID   string
	Type string
	Raw  gjson.Result
}

// transaction is the state of an icgauth authentication transaction as
// returned after every step.
type transaction struct {
	ID     string
	Status string
	Unit   validationUnit
	Doc    gjson.Result
}

func parseTransaction(page *pagematch.Page, id string) transaction {
	doc := page.JSON()
	tx := transaction{ID: doc.Get("id").String(), Doc: doc}
	if tx.ID == "" {
		tx.ID = id
	}

	switch {
	case doc.Get("response").Exists():
		tx.Status = doc.Get("response.status").String()
	case doc.Get("step").Exists():
		tx.Status = doc.Get("step.phase.state").String()
	case doc.Get("phase.state").Exists() && !doc.Get("phase.previousResult").Exists():
		tx.Status = doc.Get("phase.state").String()
	default:
		tx.Status = doc.Get("phase.previousResult").String()
	}

	units := doc.Get("step.validationUnits.0")
	if !units.Exists() {
		units = doc.Get("validationUnits.0")
	}
	units.ForEach(func(key, value gjson.Result) bool {
		info := value.Get("0")
		tx.Unit = validationUnit{
			Key:  key.String(),
			ID:   info.Get("id").String(),
			Type: info.Get("type").String(),
			Raw:  info,
		}
		return false
	})
	return tx
}

// validateBody builds the body answering unit with the given fields.
func validateBody(unit validationUnit, fields map[string]string) (string, error) {
	entry, err := sjson.Set(`{}`, "id", unit.ID)
	if err != nil {
		return "", err
	}
	entry, err = sjson.Set(entry, "type", unit.Type)
	if err != nil {
		return "", err
	}
	for k, v := range fields {
		entry, err = sjson.Set(entry, k, v)
		if err != nil {
			return "", err
		}
	}
	body, err := sjson.SetRaw(`{}`, "validate."+unit.Key, "["+entry+"]")
	if err != nil {
		return "", fmt.Errorf("build validation of unit '%s': %w", unit.Key, err)
	}
	return body, nil
}
