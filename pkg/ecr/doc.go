/*
Package ecr wraps the ECR API for one registry (account and region).

Images enter the registry with an immutable ref tag (ref.<tag>) written
by the build pipeline. Everything else is a moving pointer: labels like
"latest" and environment tags like "env.staging" are retagged onto the
ref-tagged manifest without moving any bytes. Retagging an image onto a
tag it already holds reports a noop, which deploys use to skip service
restarts for unchanged images.

Login and PublishImage shell out to docker and git through the Runner
interface so tests can run without either installed.
*/
package ecr
