// Package main is the tier-gateway command: the HTTP gateway and an offline
// pipeline runner over the same configuration.
package main

func main() {
	Execute()
}
