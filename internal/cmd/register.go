package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/compute-client/internal/core"
)

var useKeyring bool

var registerCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register this directory as a compute client",
	Long: `Print the web app URL that registers a compute client called NAME, then read
the code it shows and store the resulting identity in compute-client.yaml.

With --keyring the private key is kept in the operating system keyring instead
of the YAML file.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		cwd, err := os.Getwd()
		exitOnError(err, "Failed to get working directory", "cli")

		url := core.RegistrationURL(config.GetConfigWithDefault("web_app_url", "https://dendro.vercel.app"), name)
		fmt.Println()
		fmt.Println(url)
		fmt.Println()
		fmt.Println("Visit the above URL in your browser to register this compute client. Then enter the code you receive here:")

		code, err := readCode()
		exitOnError(err, "Failed to read code", "cli")
		if strings.TrimSpace(code) == "" {
			return
		}

		id, key, err := core.ParseRegistrationCode(code)
		exitOnError(err, "Registration failed", "cli")

		identity := core.ClientIdentity{ID: id, PrivateKey: key, Name: name}
		exitOnError(core.SaveClientIdentity(cwd, identity, useKeyring), "Registration failed", "cli")

		logger.Info(fmt.Sprintf("Registered compute client %s (%s)", name, id), "cli")
		fmt.Println()
		fmt.Println(`The compute client has been registered. You can start it by running "compute-client start" in this directory`)
	},
}

// readCode reads the registration code, hiding it when stdin is a terminal
func readCode() (string, error) {
	fmt.Print("Code: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

func init() {
	registerCmd.Flags().BoolVar(&useKeyring, "keyring", false, "store the private key in the OS keyring")
	rootCmd.AddCommand(registerCmd)
}
