package main

import "cloudpico-ota/internal/cmd"

func main() {
	cmd.Execute()
}
