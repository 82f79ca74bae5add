// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxen-io/hivemind/cfg"
	"github.com/oxen-io/hivemind/hive"
)

var (
	configPath string
	hivemind   = &cobra.Command{
		Use:   "hivemind",
		Short: "session push notification relay",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if configPath != "" {
				cfg.MustInit(configPath)
			} else {
				cfg.MustInit()
			}

			hm := hive.New(*cfg.MustGet[hive.Config]())
			if err := hm.Start(ctx); err != nil {
				log.Panic(err)
			}
			defer hm.Stop()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			log.Printf("Shutting down")
		},
	}
	initFlags = func() {
		hivemind.Flags().StringVar(&configPath, "config", "",
			"path to the hivemind yaml configuration file (merged over $HIVEMIND_CONFIG and the system default)")
	}
)

func init() {
	initFlags()
}

func main() {
	if err := hivemind.Execute(); err != nil {
		log.Panic(err)
	}
}
