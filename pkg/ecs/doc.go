/*
Package ecs inspects and redeploys services across every ECS cluster in
a region.

Services are located by the deployment:service and deployment:env
resource tags rather than by ARN, so project files stay stable across
cluster rebuilds. A redeploy is a force-new-deployment on the service
plus a deployment:label tag recording which release asked for it.
*/
package ecs
