package main

import "github.com/dasec/fishy-sub000/cmd"

func main() {
	cmd.Execute()
}
