package models

import (
	"net/http"
	"strings"
)

const (
	WebrpcHeader      = "Webrpc"
	WebrpcHeaderValue = "webrpc@v0.22.0;gen-go@v0.17.0;quota-control@v0.19.2"

	WebRPCVersion       = "v1"
	WebRPCSchemaVersion = "v0.19.2"
)

// GenVersions is the parsed form of the Webrpc header.
type GenVersions struct {
	WebrpcGenVersion string
	CodeGenName      string
	CodeGenVersion   string
	SchemaName       string
	SchemaVersion    string
}

// VersionFromHeader parses the Webrpc header. A missing or malformed header
// yields empty fields.
func VersionFromHeader(h http.Header) GenVersions {
	return ParseGenVersions(h.Get(WebrpcHeader))
}

// ParseGenVersions parses "name@version;name@version;name@version".
func ParseGenVersions(value string) GenVersions {
	parts := strings.Split(value, ";")
	if value == "" || len(parts) < 3 {
		return GenVersions{}
	}

	_, webrpcGen, _ := strings.Cut(parts[0], "@")
	codeGenName, codeGenVersion, _ := strings.Cut(parts[1], "@")
	schemaName, schemaVersion, _ := strings.Cut(parts[2], "@")

	return GenVersions{
		WebrpcGenVersion: webrpcGen,
		CodeGenName:      codeGenName,
		CodeGenVersion:   codeGenVersion,
		SchemaName:       schemaName,
		SchemaVersion:    schemaVersion,
	}
}
