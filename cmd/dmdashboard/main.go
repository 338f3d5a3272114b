package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/iot/certificate"
	"github.com/relabs-tech/dmtools/iot/dashboard"
	"github.com/relabs-tech/dmtools/iot/devicemgmt"
	"github.com/relabs-tech/dmtools/iot/iothub"
)

// Service holds the configuration for this service
//
// use IOTHUB_CONNECTION_STRING="HostName=<hub>.azure-devices.net;SharedAccessKeyName=service;SharedAccessKey=<key>"
type Service struct {
	ConnectionString string        `env:"IOTHUB_CONNECTION_STRING,required" description:"the service connection string of the IoT Hub"`
	CACert           string        `env:"IOTHUB_CA_CERT,optional" description:"PEM, DER or PKCS#7 file with the CA certificate of the IoT Hub"`
	APIVersion       string        `env:"IOTHUB_API_VERSION,optional,default=2021-04-12" description:"the api version of the IoT Hub service api"`
	URL              string        `env:"IOTHUB_URL,optional" description:"overrides the https://<HostName> of the connection string, e.g. for dmhubsim"`
	MethodTimeout    time.Duration `env:"METHOD_TIMEOUT,optional,default=30s" description:"how long to wait for a device to answer a direct method"`
	Address          string        `env:"DASHBOARD_ADDRESS,optional,default=:3000" description:"the listen address of the dashboard"`
	JWTSecret        string        `env:"DASHBOARD_JWT_SECRET,optional" description:"enables HS256 bearer token authentication"`
	LogLevel         string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	hubOptions := []iothub.Option{iothub.WithAPIVersion(service.APIVersion)}
	if service.URL != "" {
		hubOptions = append(hubOptions, iothub.WithURL(service.URL))
	}
	if service.CACert != "" {
		ca, err := certificate.Load(service.CACert)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot load CA certificate")
		}
		rlog.Infof("trusting CA %s (thumbprint %s, valid until %s)", ca.Subject(), ca.Thumbprint(), ca.NotAfter().Format(time.RFC3339))
		hubOptions = append(hubOptions, iothub.WithRootCA(ca))
	}

	manager := devicemgmt.New(service.ConnectionString,
		devicemgmt.WithMethodTimeout(service.MethodTimeout),
		devicemgmt.WithHubOptions(hubOptions...))

	router := mux.NewRouter()
	api := dashboard.NewAPI(&dashboard.Builder{
		Manager:   manager,
		Router:    router,
		JWTSecret: service.JWTSecret,
	})

	server := &http.Server{
		Addr:              service.Address,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rlog.Infoln("listen on", service.Address)
	if err := server.ListenAndServe(); err != nil {
		rlog.WithError(err).Fatalln("dashboard stopped")
	}
}
