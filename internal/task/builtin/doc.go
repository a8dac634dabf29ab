// Package builtin registers the job handlers shipped with scmbridge:
// the two legacy store heartbeats and the charge-data sync from the upstream
// hospital database into the SPD store.
package builtin
