// Package common holds build level constants shared by the binaries.
package common

// PackageName namespaces metrics and identifies the binaries in logs.
const PackageName = "repple"

// Version is set at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
