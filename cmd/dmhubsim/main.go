package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot/hubsim"
)

// Service holds the configuration for the hub simulator
//
// Point the other commands at it with IOTHUB_URL=http://localhost:8080 and any service
// connection string, devices connect to the MQTT gateway with their device id as client id.
type Service struct {
	Address     string `env:"HUBSIM_ADDRESS,optional,default=:8080" description:"the listen address of the service api"`
	MQTTAddress string `env:"HUBSIM_MQTT_ADDRESS,optional,default=:1883" description:"the listen address of the device gateway, empty disables it"`
	Devices     string `env:"HUBSIM_DEVICES,optional,default=dev-1" description:"comma separated list of registered devices"`
	LogLevel    string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	hub := hubsim.New()
	for _, deviceID := range strings.Split(service.Devices, ",") {
		if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
			hub.AddDevice(deviceID, nil)
			rlog.Infoln("registered device", deviceID)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if service.MQTTAddress != "" {
		ln, err := net.Listen("tcp", service.MQTTAddress)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot listen for devices")
		}
		gateway := hub.ServeMQTT(ln)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			gateway.Close(ctx)
		}()
	}

	server := &http.Server{
		Addr:              service.Address,
		Handler:           hub.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	rlog.Infoln("listen on", service.Address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rlog.WithError(err).Errorln("hub simulator stopped")
	}
}
