// Package constants defines application-wide constants to avoid magic numbers
package constants

import "time"

// Container Naming
const (
	// ContainerPostfix marks a container as owned by this daemon. A container
	// whose name lacks the postfix is never touched by cleanup.
	ContainerPostfix = "_kir"

	// NameHashLength is the number of hex characters of the spec hash kept in
	// a container name.
	NameHashLength = 16
)

// Watch Loop Tuning
const (
	// WatchIntervalFast is the inspect interval while a container is starting
	// up or recovering from a failed health check.
	WatchIntervalFast = 250 * time.Millisecond

	// WatchIntervalSteady is the inspect interval once a container is healthy.
	WatchIntervalSteady = 15 * time.Second

	// MaxHealthFailures is the number of consecutive failed health checks a
	// running container is allowed before it is stopped.
	MaxHealthFailures = 4
)

// Service Tuning
const (
	// MaxFailures is the number of container losses a service absorbs before
	// it is quarantined until the next configuration change.
	MaxFailures = 20

	// DefaultScale is the replica count used when a service does not set one.
	DefaultScale = 1

	// StopTimeout is how long the engine waits for a container to exit before
	// killing it.
	StopTimeout = 30 * time.Second
)

// Cleanup
const (
	// ImagesToKeep is the number of tagged images retained per service,
	// including the image currently in use.
	ImagesToKeep = 3
)

// Registration
const (
	// DefaultRegistrationTTL is the lifetime of a registry key when the
	// manifest does not set one. Keys are refreshed on every healthy check.
	DefaultRegistrationTTL = 60 * time.Second

	// RegistryDialTimeout bounds the initial connection to the registration
	// store.
	RegistryDialTimeout = 5 * time.Second
)

// Configuration
const (
	// ConfigEnvVar names the environment variable that overrides the manifest
	// path.
	ConfigEnvVar = "KIRUNA_CONF"

	// DefaultConfigFile is the manifest filename looked up in the working
	// directory when ConfigEnvVar is unset.
	DefaultConfigFile = "kiruna.conf"

	// WatchDebounce collapses bursts of filesystem events into one reload.
	WatchDebounce = 500 * time.Millisecond
)

// Status Server
const (
	// DefaultStatusPort is the port the HTTP status endpoint listens on.
	DefaultStatusPort = 8102

	// DefaultServerShutdownTimeout is the graceful shutdown deadline for the
	// status server.
	DefaultServerShutdownTimeout = 5 * time.Second
)

// Log Attachment
const (
	// LogTailLines is how many lines of a dead container's output are pulled
	// into the daemon log.
	LogTailLines = 50
)
