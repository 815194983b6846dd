// Command sysarray runs a master, slave or mediator node.
package main

import "yqhp/sysarray/cmd"

func main() {
	cmd.Execute()
}
