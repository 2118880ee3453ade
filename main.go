package main

import "github.com/samogod/squirrelrun/cmd"

func main() {
	cmd.Execute()
}
