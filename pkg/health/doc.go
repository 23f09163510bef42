/*
Package health provides reachability probes for the daemon's external
collaborators.

The /ready endpoint in pkg/api runs one Checker per collaborator (the
time-series store over HTTP, the metadata service over HTTP or TCP) and
reports per-check results. Probes are deliberately lenient: any response
below 500 counts as reachable, since an auth rejection still proves the
service is up.
*/
package health
