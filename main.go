package main

import "github.com/pagedkv/pagedkv/cmd"

func main() {
	cmd.Execute()
}
