/*
Package paramstore publishes image pointers to SSM Parameter Store.

Each published image writes /<project>/images/<label>/<image_id>, which
downstream tooling (Terraform, task definition templates) reads to pin
the image an environment should run.
*/
package paramstore
