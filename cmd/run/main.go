// Command run hosts the engine and bridges it to a terminal.
package main

func main() {
	Execute()
}
