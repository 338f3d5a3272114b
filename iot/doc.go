/*Package iot provides device management against a cloud device registry

The registry holds a device twin for every device: a JSON document with tags, desired
properties and reported properties, versioned by an ETag. Applications change desired
properties and call direct methods on connected devices.

The subpackages are:
	certificate	loads X.509 certificates from disk
	connstr		parses registry connection strings and creates shared access signatures
	twin		twin documents, desired property patches and device data snapshots
	iothub		the registry.Service adapter for the IoT Hub service REST api
	devicemgmt	the device management client used by the tools
	hubsim		an in-memory registry for tests and demos
	dashboard	a JSON REST api on top of devicemgmt
	validator	runs device management scenarios against a device

All remote errors are classified with the sentinel errors of this package, so callers can
use errors.Is to decide what to do.
*/
package iot
