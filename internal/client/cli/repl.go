package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Init(ctx context.Context) error
	Enroll(ctx context.Context) error
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	AddAccount(ctx context.Context) error
	AddContact(ctx context.Context) error
	AddTransaction(ctx context.Context) error
	AddInvoice(ctx context.Context) error
	List(ctx context.Context) error
	Show(ctx context.Context) error
	Sync(ctx context.Context) error
	Status(ctx context.Context) error
	Conflicts(ctx context.Context) error
	Resolve(ctx context.Context) error
	Rotate(ctx context.Context) error
	Revoke(ctx context.Context) error
	Attach(ctx context.Context) error
	Fetch(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the Tally CLI.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Prompt & Commands
//
// The prompt shows the current status (from statusFn) and accepts commands:
//
//	Locked:
//	  - help           — show available commands
//	  - init           — create a company on this device
//	  - login          — unlock a session
//	  - exit | quit    — leave the program
//
//	Unlocked:
//	  - help           — show available commands
//	  - addaccount     — add an account to the chart of accounts
//	  - addcontact     — add a customer or vendor
//	  - addtxn         — add a balanced transaction
//	  - addinvoice     — add an invoice
//	  - list       	   — list entities of a kind
//	  - show           — show a single entity (interactive ID prompt)
//	  - sync           — synchronize with the relay now
//	  - status         — show sync state and backlog
//	  - conflicts      — list pending merge conflicts
//	  - resolve        — mark a conflict as reviewed
//	  - enroll         — authorize a new principal (admin)
//	  - rotate         — rotate the company key (admin)
//	  - revoke         — revoke a principal and rotate (admin)
//	  - attach         — encrypt and upload an attachment
//	  - fetch          — download and decrypt an attachment
//	  - logout         — lock the session
//	  - exit | quit    — leave the program
//
// Any errors returned by command handlers are printed here; handlers stay
// free of REPL concerns.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("tally (%s) > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		var err error
		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: addaccount, addcontact, addtxn, addinvoice, (l)ist, show, sync, status, conflicts, resolve, enroll, rotate, revoke, attach, fetch, logout, exit")
			} else {
				printlnFn("Available commands: init, login, exit")
			}

		case "init":
			err = a.Init(ctx)

		case "login":
			err = a.Login(ctx)

		case "enroll":
			err = a.Enroll(ctx)

		case "addaccount":
			err = a.AddAccount(ctx)

		case "addcontact":
			err = a.AddContact(ctx)

		case "addtxn":
			err = a.AddTransaction(ctx)

		case "addinvoice":
			err = a.AddInvoice(ctx)

		case "l", "list":
			err = a.List(ctx)

		case "show":
			err = a.Show(ctx)

		case "sync":
			err = a.Sync(ctx)

		case "status":
			err = a.Status(ctx)

		case "conflicts":
			err = a.Conflicts(ctx)

		case "resolve":
			err = a.Resolve(ctx)

		case "rotate":
			err = a.Rotate(ctx)

		case "revoke":
			err = a.Revoke(ctx)

		case "attach":
			err = a.Attach(ctx)

		case "fetch":
			err = a.Fetch(ctx)

		case "logout":
			err = a.Logout(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err.Error())
		}
	}
}
