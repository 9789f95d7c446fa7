package main

import (
	"net/http"

	"github.com/m-lab/go/rtx"
	"github.com/robertodauria/netrace/internal/handler"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagListen     string
	flagServeDir   string
	flagMaxSize    int64
	flagServerCert string
	flagServerKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve netrace targets",
	Long: `Serves the HTTP and WebSocket endpoints used as test targets:
download, upload and ping. WebSocket transfers are recorded under --datadir.`,
	Run: func(cmd *cobra.Command, args []string) {
		h := handler.New(flagServeDir, flagMaxSize)
		srv := &http.Server{
			Addr:    flagListen,
			Handler: h.Mux(),
		}
		zap.L().Sugar().Infow("Listening for netrace tests", "addr", flagListen,
			"tls", flagServerCert != "")
		if flagServerCert != "" {
			rtx.Must(srv.ListenAndServeTLS(flagServerCert, flagServerKey), "Could not start TLS server")
			return
		}
		rtx.Must(srv.ListenAndServe(), "Could not start cleartext server")
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8080", "Listen address/port")
	serveCmd.Flags().StringVar(&flagServeDir, "datadir", "", "Directory for WebSocket transfer records")
	serveCmd.Flags().Int64Var(&flagMaxSize, "max-size", spec.MaxTransferSize, "Largest transfer served, in bytes")
	serveCmd.Flags().StringVar(&flagServerCert, "cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&flagServerKey, "key", "", "TLS private key file")
}
