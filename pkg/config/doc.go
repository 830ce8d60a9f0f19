/*
Package config loads and validates the projects file (.corral.yml).

A projects file maps project IDs to project definitions: the AWS role and
region to operate in, the environments that can be deployed to, and the
image repositories with the services each image backs. CLI flags may
override role, region, account and namespace; an override that disagrees
with the file is applied but logged, so a stale project file is visible
rather than silently ignored.
*/
package config
