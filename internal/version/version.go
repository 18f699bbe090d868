// Package version holds the daemon version. The version participates in
// container name hashing, so bumping it forces a new container generation
// on the next deploy.
package version

// Version is the kiruna daemon version.
const Version = "1.1.0"
