package main

import "github.com/adamkarvonen/dictionary-learning-demo/cmd"

func main() {
	cmd.Execute()
}
