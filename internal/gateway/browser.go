package gateway

import (
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/logging"
)

// startBrowser launches the platform's default browser at url without
// waiting for it.
var startBrowser = func(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// openBrowser opens url in the default browser. Failure is logged only.
func openBrowser(url string) {
	if err := startBrowser(url); err != nil {
		logging.Warn("Failed to open browser", zap.String("url", url), zap.Error(err))
		return
	}
	logging.Info("Opened browser", zap.String("url", url))
}
