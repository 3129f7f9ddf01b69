// Command overlayctl runs in-process overlay demos and generates node keys.
package main

func main() {
	Execute()
}
