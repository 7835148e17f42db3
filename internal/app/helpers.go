// internal/app/helpers.go
package app

import (
	"strings"
)

// NormalizeListenAddr fills in a loopback host for ":port" addresses and
// returns the listen addr and the URL browsers should use.
func NormalizeListenAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	listenAddr = a

	browse := a
	if strings.HasPrefix(browse, "0.0.0.0:") {
		browse = "127.0.0.1:" + strings.TrimPrefix(browse, "0.0.0.0:")
	}
	url = "http://" + browse
	return
}

func logBanner(dataDir, cfgPath, url string) {
	log.Info("────────────────────────────────────────")
	log.Info("neighborly")
	log.Infof(" Data folder : %s", dataDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Listening   : %s", url)
	log.Info("────────────────────────────────────────")
}
