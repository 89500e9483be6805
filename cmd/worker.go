package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run dispatch workers and the reconciliation sweep without the API",
	Run:   workerServer,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerServer(_ *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := openStorage(ctx)
	if err != nil {
		logrus.Fatalf("[APP] %v", err)
	}
	node.buildPipeline()
	// The background context keeps in-flight rounds alive until stop drains them.
	if err := node.start(context.Background()); err != nil {
		logrus.Fatalf("[APP] %v", err)
	}
	logrus.Infof("[WORKER] Node %s running, press Ctrl+C to stop", node.serverID)

	<-ctx.Done()
	node.stop()
}
