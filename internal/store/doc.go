// Package store declares the run-history repository that records every task
// attempt. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
