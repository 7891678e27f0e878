/*
Package eventpipe documents the eventpipe module.

This module is CLI-first and ships the eventpipe command:

	go install github.com/nuetzliches/eventpipe/cmd/eventpipe@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package eventpipe
