// Command extfsd serves an extfs image to clients over TCP or a unix socket.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("extfsd failed")
		os.Exit(1)
	}
}
