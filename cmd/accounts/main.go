// Command accounts manages the proxy's account roster: OAuth login, host-IDE
// import, listing and enable/disable. It writes the same accounts.json the
// server loads, so changes land with POST /accounts/reload or a restart.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crosswire-dev/crosswire/internal/auth"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/pool"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	manager, err := pool.NewManager("")
	if err != nil {
		logging.Error("Failed to load account file: %v", err)
		os.Exit(1)
	}

	switch args[0] {
	case "login":
		err = cmdLogin(manager)
	case "import":
		err = cmdImport(manager)
	case "list":
		err = cmdList(manager)
	case "remove":
		err = withEmail(args, func(email string) error { return manager.RemoveAccount(email) })
	case "enable":
		err = withEmail(args, func(email string) error { return manager.SetEnabled(email, true) })
	case "disable":
		err = withEmail(args, func(email string) error { return manager.SetEnabled(email, false) })
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: accounts <command> [args]

Commands:
  login            add an account via Google OAuth
  import           add the account the host IDE is logged in with
  list             show configured accounts
  remove <email>   delete an account
  enable <email>   re-enable an account
  disable <email>  bench an account without deleting it
`)
}

func withEmail(args []string, fn func(string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("email argument required")
	}
	return fn(args[1])
}

// cmdLogin runs the PKCE flow. The callback server captures the redirect
// automatically; pasting the redirect URL or raw code also works for
// headless machines.
func cmdLogin(manager *pool.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	authz, err := auth.NewAuthorizationURL("")
	if err != nil {
		return err
	}

	fmt.Println("\nOpen this URL in your browser to sign in:")
	fmt.Println("\n  " + authz.URL + "\n")
	fmt.Println("Waiting for the browser redirect; or paste the redirect URL / code here:")

	callback := auth.NewCallbackServer(authz.State)
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		code, err := callback.Start(ctx)
		if err != nil {
			errChan <- err
			return
		}
		codeChan <- code
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return
		}
		result, err := auth.ExtractCodeFromInput(scanner.Text())
		if err != nil {
			errChan <- err
			return
		}
		callback.Abort()
		codeChan <- result.Code
	}()

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return fmt.Errorf("login timed out")
	}

	result, err := auth.CompleteFlow(ctx, code, authz.Verifier)
	if err != nil {
		return err
	}

	composite := auth.FormatRefreshParts(auth.RefreshParts{
		RefreshToken: result.RefreshToken,
		ProjectID:    result.ProjectID,
	})
	account := &pool.Account{
		Email:        result.Email,
		Source:       pool.SourceOAuth,
		RefreshToken: composite,
		ProjectID:    result.ProjectID,
	}
	if err := manager.AddAccount(account); err != nil {
		return err
	}
	logging.Success("Account %s added", result.Email)
	return nil
}

// cmdImport scrapes the host IDE's login from its state database.
func cmdImport(manager *pool.Manager) error {
	status, err := auth.ReadHostAuthStatus("")
	if err != nil {
		return err
	}
	email := status.Email
	if email == "" {
		email = "host-ide"
	}
	account := &pool.Account{
		Email:  email,
		Source: pool.SourceDatabase,
	}
	if err := manager.AddAccount(account); err != nil {
		return err
	}
	logging.Success("Imported host IDE account %s", email)
	return nil
}

func cmdList(manager *pool.Manager) error {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}

	fmt.Printf("%-40s %-10s %-8s %s\n", "EMAIL", "SOURCE", "STATUS", "LAST USED")
	for _, a := range accounts {
		status := "enabled"
		if a.Invalid {
			status = "invalid"
		} else if !a.Enabled {
			status = "disabled"
		}
		lastUsed := "never"
		if a.LastUsed > 0 {
			lastUsed = time.UnixMilli(a.LastUsed).Format(time.RFC3339)
		}
		fmt.Printf("%-40s %-10s %-8s %s\n", a.Email, a.Source, status, lastUsed)
		if a.Invalid && a.InvalidReason != "" {
			fmt.Printf("  reason: %s\n", strings.TrimSpace(a.InvalidReason))
		}
	}
	return nil
}
