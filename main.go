package main

import "github.com/andresmejia3/truthlens/cmd"

func main() {
	cmd.Execute()
}
