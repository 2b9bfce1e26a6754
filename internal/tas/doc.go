// Package tas is a read-only client for the TACC Accounting System (TAS) REST API.
//
// Every TAS response is wrapped in an envelope:
//
//	{"status": "success", "message": null, "result": ...}
//
// A non-success envelope or a 5xx status is reported as an *APIError; a 404 on
// a point lookup is reported as ErrNotFound so callers can tell "no such user"
// apart from "TAS is unreachable".
//
// Project listings are returned as untyped Records. The portal only copies an
// allow-listed subset of their fields, so the client does not impose a schema.
package tas
