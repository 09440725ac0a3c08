package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"pollserv/pkg/server"
)

func main() {
	logger := setupLogging()

	if len(os.Args) != 2 {
		logger.Error("Invalid command line. Include path to the configuration file.")
		os.Exit(1)
	}

	srv, err := server.NewServer(os.Args[1], logger)
	if err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}

	srv.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down server...")
	srv.Stop()
}

func setupLogging() *logrus.Logger {
	fileLogger := &lumberjack.Logger{
		Filename:   "pollserv.log",
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	}

	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	return logger
}
