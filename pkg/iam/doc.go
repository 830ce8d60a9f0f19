/*
Package iam handles AWS credentials: loading the base configuration,
assuming per-project (and per-repository) roles, and reporting who is
running a command so releases and deployments record the real operator
rather than the assumed role.
*/
package iam
