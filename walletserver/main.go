// Command walletserver is a thin HTTP demo over the session package: POST
// bytes to /api/session/encrypt, get a resource id and ciphertext back.
// Like cmd/synnergy, it is a manual-exercise harness, not a production API
// (spec §1 names CLI/test tooling out of scope for deep implementation).
package main

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/synnergy/trustchain/walletserver/config"
	"github.com/synnergy/trustchain/walletserver/controllers"
	"github.com/synnergy/trustchain/walletserver/routes"
	"github.com/synnergy/trustchain/walletserver/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	svc := services.NewSessionService(cfg.Session)
	defer svc.Close()
	ctrl := controllers.NewSessionController(svc)
	r := routes.New(ctrl)

	logrus.Infof("wallet server listening on %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logrus.Fatal(err)
	}
}
