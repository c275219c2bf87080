// Command mailqueue runs the password reset mail service.
package main

import (
	"github.com/nimburion/mailqueue/pkg/cli"
)

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "mailqueue",
		Description: "Queue and deliver account emails",
	}))
}
