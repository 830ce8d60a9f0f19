/*
Package store persists releases and their deployment histories.

ReleaseStore is the contract; three backends implement it:

  - DynamoStore: production. One DynamoDB table per project
    (corral-releases-<project>), releases keyed by release_id, with two
    global secondary indexes: one ordered by date_created for "recent
    releases" queries and one ordered by last_date_deployed for "recent
    deployments" queries. Appending a deployment is a single conditional
    UpdateItem, so concurrent operators cannot lose each other's records.
  - BoltStore: a local bbolt file for development and integration tests
    without AWS credentials.
  - MemoryStore: the reference implementation used by the shared
    behavioural test suite.

The subtle query is GetRecentDeployments. The deployment index keys a
release by its newest deployment only, so the store pages the index until
it has accumulated at least limit matching deployments (or run out of
releases), then re-sorts the flattened set and truncates. Truncating
earlier would undercount releases whose deployments are spread over a
long period.
*/
package store
