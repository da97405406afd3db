// Command fakedriver speaks the driver protocol on stdio without launching
// any browser. Point driver.path at it to exercise drvlink end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexliu/drvlink/pkg/drivertest"
	"github.com/rexliu/drvlink/pkg/logging"
)

func main() {
	waitInit := flag.Bool("wait-initialize", false, "Announce objects only after the client calls initialize")
	quiet := flag.Bool("quiet", false, "Only log warnings and errors")
	flag.Parse()

	logger := logging.New("fakedriver")
	if *quiet {
		logger.SetLevel(logging.LevelWarn)
	}
	opts := []drivertest.Option{drivertest.WithLogger(logger)}
	if *waitInit {
		opts = append(opts, drivertest.WaitForInitialize())
	}
	d := drivertest.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		d.Stop()
		os.Stdin.Close()
	}()

	if err := d.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fakedriver exiting: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("client disconnected after %d requests", len(d.Requests()))
}
