// Package util holds small helpers shared by the server and the storage
// backends, currently the truncation used when logging codes and token digests.
package util
