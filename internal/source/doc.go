// Package source holds the collector variants. Web sources go through the conditional fetcher
// and change detector; file sources are always treated as new; directory sources enumerate
// their top-level regular files and collect each as a file source.
package source
