/*
Package tags locates AWS resources by their resource tags.

Corral never stores ARNs in its project files. Services are declared by
ID and environment, and the matching running resource is found at deploy
time by requiring exactly one resource to carry the expected tag set.
Zero or multiple matches are distinct, typed errors so callers can tell
"not deployed here" apart from a misconfigured fleet.
*/
package tags
