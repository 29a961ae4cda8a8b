package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sonic-sentinel/utils"

	"github.com/mdobak/go-xerrors"
)

const usage = `usage: sonic-sentinel <command> [flags]

commands:
  serve      run the detector with the HTTP and socket.io API
  devices    list audio input devices
  calibrate  measure ambient noise and store detection thresholds
  history    print recorded detection events
  monitor    run the detector with a terminal dashboard`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	utils.LoadEnv()

	if err := utils.CreateFolder(utils.GetEnv("SENTINEL_DATA_DIR", "data")); err != nil {
		logger := utils.GetLogger()
		err := xerrors.New(err)
		logger.ErrorContext(context.Background(), "Failed to create data dir.", slog.Any("error", err))
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		protocol := serveCmd.String("proto", utils.GetEnv("PROTO", "http"), "Protocol to use (http or https)")
		port := serveCmd.String("p", utils.GetEnv("PORT", "5000"), "Port to use")
		autoStart := serveCmd.Bool("start", false, "Start listening immediately")
		serveCmd.Parse(os.Args[2:])
		serve(*protocol, *port, *autoStart)
	case "devices":
		devicesCmd := flag.NewFlagSet("devices", flag.ExitOnError)
		synthetic := devicesCmd.Bool("synthetic", false, "List the synthetic backend instead of PortAudio")
		devicesCmd.Parse(os.Args[2:])
		listDevices(*synthetic)
	case "calibrate":
		calibrateCmd := flag.NewFlagSet("calibrate", flag.ExitOnError)
		device := calibrateCmd.String("device", "", "Input device to calibrate (default: SENTINEL_DEVICE)")
		calibrateCmd.Parse(os.Args[2:])
		runCalibration(*device)
	case "history":
		historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
		limit := historyCmd.Int("n", 20, "Number of events to show (0 for all)")
		historyCmd.Parse(os.Args[2:])
		printHistory(*limit)
	case "monitor":
		monitorCmd := flag.NewFlagSet("monitor", flag.ExitOnError)
		demo := monitorCmd.Bool("demo", false, "Use the synthetic input instead of a microphone")
		logPath := monitorCmd.String("log", filepath.Join(utils.GetEnv("SENTINEL_DATA_DIR", "data"), "monitor.log"), "Log file")
		monitorCmd.Parse(os.Args[2:])
		runMonitor(*demo, *logPath)
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}
