package cli

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailbroker/internal/api"
)

func newServeCmd() *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			addr := addrFlag
			if addr == "" {
				addr = cfg.API.Addr
			}
			if !log.IsLevelEnabled(log.DebugLevel) {
				gin.SetMode(gin.ReleaseMode)
			}
			server := api.NewServer(svc.accounts, svc.mail)
			return server.Serve(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (defaults to api.addr)")
	return cmd
}
