/*
Package types defines the core data model shared across Corral: releases,
deployments, and the records that describe what happened during a deploy.

A Release is a named, immutable bundle of image ID → image URI mappings,
created by `corral prepare` or `corral update`. A Deployment is one attempt
to roll a release out to an environment; deployments accumulate on a
release in an append-only list and are never rewritten.

Timestamps are stored as fixed-width UTC strings (TimestampFormat) rather
than time.Time values because the release store sorts them
lexicographically in its secondary indexes.

Struct tags carry both json (BoltDB backend, CLI output) and dynamodbav
(DynamoDB backend) names so one type serves every store implementation.
*/
package types
