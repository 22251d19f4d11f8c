// Package crawler holds the domain model of the job crawl pipeline: sources,
// raw and normalized listings, crawl runs, alerts, the collaborator interfaces
// every subsystem programs against, the error taxonomy, and the retry policies
// used at the fetch and queue layers.
package crawler
