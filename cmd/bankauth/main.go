package main

import (
	"bankauth-backend/cmd/bankauth/commands"
	"bankauth-backend/lib/osutil"
)

func main() {
	ctx, cancel := osutil.SignalContext()
	defer cancel()
	commands.ExecuteContext(ctx)
}
