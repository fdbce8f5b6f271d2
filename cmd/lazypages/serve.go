package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local page store over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if s.Store == storeRemote {
				s.Store = storeBadger
			}
			store, err := openStore(s)
			if err != nil {
				return err
			}
			defer store.Close()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			gs := grpc.NewServer(pagestore.ServerOptions()...)
			pagestore.NewServer(store, log).Register(gs)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				log.Info("Shutting down page store server")
				gs.GracefulStop()
			}()

			log.WithField("addr", lis.Addr().String()).WithField("store", s.Store).Info("Serving page store")
			return gs.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7100", "Listen address")
	return cmd
}
