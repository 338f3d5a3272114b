/*Package twin provides the device twin document of the device registry

A device twin is a JSON document the registry keeps for every device:

	{
	  "deviceId": "thermostat-1",
	  "etag": "AAAAAAAAAAE=",
	  "version": 4,
	  "tags": { "building": "43" },
	  "properties": {
	    "desired": { "color": "red", "$version": 3 },
	    "reported": { "color": "blue", "$version": 9 }
	  }
	}

Applications write desired properties, devices write reported properties. The etag is an
optimistic concurrency token: a write tagged with an etag only succeeds if nobody else
changed the twin since it was read.

NewDesiredPatch builds the patch for a single desired property, Snapshot turns a twin
into the four JSON views the tools display.
*/
package twin
