package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/core/schema"
	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/certificate"
	"github.com/relabs-tech/dmtools/iot/devicemgmt"
	"github.com/relabs-tech/dmtools/iot/iothub"
	"github.com/relabs-tech/dmtools/iot/validator"
)

// Service holds the configuration of the validator. Every value can be overridden with a flag.
type Service struct {
	ConnectionString string        `env:"IOTHUB_CONNECTION_STRING,optional" description:"the service connection string of the IoT Hub"`
	CACert           string        `env:"IOTHUB_CA_CERT,optional" description:"PEM, DER or PKCS#7 file with the CA certificate of the IoT Hub"`
	APIVersion       string        `env:"IOTHUB_API_VERSION,optional,default=2021-04-12" description:"the api version of the IoT Hub service api"`
	URL              string        `env:"IOTHUB_URL,optional" description:"overrides the https://<HostName> of the connection string, e.g. for dmhubsim"`
	MethodTimeout    time.Duration `env:"METHOD_TIMEOUT,optional,default=30s" description:"how long to wait for a device to answer a direct method"`
	LogLevel         string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

type app struct {
	service Service
	out     io.Writer

	// extra options for the hub client, used by tests
	hubOptions []iothub.Option
}

// errChecksFailed makes the process exit with 1 after a scenario with failed checks
var errChecksFailed = errors.New("checks failed")

func (a *app) manager() (*devicemgmt.Manager, error) {
	if a.service.ConnectionString == "" {
		return nil, fmt.Errorf("no connection string, set IOTHUB_CONNECTION_STRING or --connection-string: %w", iot.ErrMalformedRequest)
	}
	hubOptions := []iothub.Option{}
	if a.service.APIVersion != "" {
		hubOptions = append(hubOptions, iothub.WithAPIVersion(a.service.APIVersion))
	}
	if a.service.URL != "" {
		hubOptions = append(hubOptions, iothub.WithURL(a.service.URL))
	}
	if a.service.CACert != "" {
		ca, err := certificate.Load(a.service.CACert)
		if err != nil {
			return nil, err
		}
		hubOptions = append(hubOptions, iothub.WithRootCA(ca))
	}
	hubOptions = append(hubOptions, a.hubOptions...)

	return devicemgmt.New(a.service.ConnectionString,
		devicemgmt.WithMethodTimeout(a.service.MethodTimeout),
		devicemgmt.WithHubOptions(hubOptions...)), nil
}

func (a *app) print(v interface{}) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newAppCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dmvalidator",
		Short: "dmvalidator manages and validates devices of an IoT Hub",
		Long: `dmvalidator reads and writes device twins, invokes direct methods and runs
validation scenarios against devices of an IoT Hub. The hub is configured with
the environment variables IOTHUB_CONNECTION_STRING, IOTHUB_CA_CERT, IOTHUB_URL,
IOTHUB_API_VERSION and METHOD_TIMEOUT, or with the corresponding flags.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitLoggerFromString(a.service.LogLevel)
		},
	}
	cmd.SetOut(a.out)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.service.ConnectionString, "connection-string", a.service.ConnectionString, "service connection string of the IoT Hub")
	flags.StringVar(&a.service.CACert, "ca-cert", a.service.CACert, "CA certificate file of the IoT Hub")
	flags.StringVar(&a.service.URL, "url", a.service.URL, "base url of the IoT Hub, overrides the host name of the connection string")
	flags.StringVar(&a.service.APIVersion, "api-version", a.service.APIVersion, "api version of the IoT Hub service api")
	flags.DurationVar(&a.service.MethodTimeout, "timeout", a.service.MethodTimeout, "direct method timeout")
	flags.StringVar(&a.service.LogLevel, "log-level", a.service.LogLevel, "log level")

	cmd.AddCommand(newTwinCommand(a), newMethodCommand(a), newCertCommand(a), newRunCommand(a))
	return cmd
}

func newTwinCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twin",
		Short: "read and write device twins",
	}

	get := &cobra.Command{
		Use:   "get <device>",
		Short: "print the device data of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			data, err := m.GetDeviceData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(map[string]json.RawMessage{
				"device":   json.RawMessage(data.Device),
				"tags":     json.RawMessage(data.Tags),
				"reported": json.RawMessage(data.Reported),
				"desired":  json.RawMessage(data.Desired),
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <device> <property> <json value>",
		Short: "set a desired property, strings need quotes: '\"red\"'",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			if err := m.UpdateDesiredProperty(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "desired property %s of %s updated\n", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func newMethodCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "method <device> <method> [json payload]",
		Short: "invoke a direct method",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			payload := ""
			if len(args) == 3 {
				payload = args[2]
			}
			value, err := m.InvokeDirectMethod(cmd.Context(), args[0], args[1], payload)
			if perr := a.print(value); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newCertCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cert <file>",
		Short: "load a certificate and print its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := certificate.Load(args[0])
			if err != nil {
				return err
			}
			return a.print(map[string]string{
				"path":       c.Path(),
				"subject":    c.Subject(),
				"thumbprint": c.Thumbprint(),
				"not_after":  c.NotAfter().Format(time.RFC3339),
			})
		},
	}
}

func newRunCommand(a *app) *cobra.Command {
	var schemaDir string
	cmd := &cobra.Command{
		Use:   "run <scenario.json>",
		Short: "run a validation scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := validator.LoadScenario(args[0])
			if err != nil {
				return err
			}
			var opts []validator.Option
			if schemaDir != "" {
				schemas, err := schema.NewValidatorFromFS(os.DirFS(schemaDir))
				if err != nil {
					return fmt.Errorf("cannot load schemas from %s: %w", schemaDir, err)
				}
				opts = append(opts, validator.WithSchemas(schemas))
			}
			m, err := a.manager()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			report := validator.Run(ctx, m, scenario, opts...)
			if err := a.print(report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d %w", report.Failed, len(report.Results), errChecksFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaDir, "schemas", "", "directory with JSON schemas referenced by schema_id, references in refs/")
	return cmd
}
