package app

import "runtime"

// Version is the console release. Release builds override it with
// -ldflags "-X modchat/internal/app.Version=...".
var Version = "0.3.0"

// UserAgent identifies the console to the backend.
func UserAgent() string {
	return "modchat/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
