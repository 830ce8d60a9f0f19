/*
Package project is the orchestrator tying the rest of Corral together.

A Project owns one configured project: its release store, its registry
and fleet clients (built per region/role pair through a ClientFactory),
and the identity of the operator running the command. The lifecycle it
drives:

	publish -> prepare -> deploy -> wait

Publish pushes a locally built image and labels it. Prepare snapshots
every labelled image into an immutable release. Deploy points an
environment's registry tags at a release's images and restarts the
services whose images actually changed. WaitForDeployment then polls the
fleet until the environment is running what the release says it should.
*/
package project
