// Package uploader ships stored chunks to remote storage and removes them from
// the local store once they are safely delivered.
package uploader
