package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sconf"

	"github.com/mjl-/postdir/config"
	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/mlog"
	postdir "github.com/mjl-/postdir/postdir-"
	"github.com/mjl-/postdir/postdirvar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setadminpassword", cmdSetadminpassword},
	{"loglevels", cmdLoglevels},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"config example", cmdConfigExample},
	{"principal add", cmdPrincipalAdd},
	{"principal get", cmdPrincipalGet},
	{"principal list", cmdPrincipalList},
	{"principal rm", cmdPrincipalRemove},
	{"principal setpassword", cmdPrincipalSetpassword},
	{"principal update", cmdPrincipalUpdate},
	{"find", cmdFind},
	{"authtest", cmdAuthtest},
	{"expandgroup", cmdExpandgroup},
	{"emails", cmdEmails},
	{"lookup match", cmdLookupMatch},
	{"version", cmdVersion},
	{"help", cmdHelp},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("postdir "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "postdir " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "postdir " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# postdir %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "postdir [-config postdir.conf] [-loglevel level] [-pedantic] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"postdir"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info.
var pedantic bool

// subcommands that are not "serve" should use this function to load the config, it
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig(c *cmd) {
	postdir.MustLoadConfig(context.Background(), c.log)
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		postdir.Conf.Log[""] = level
		mlog.SetConfig(postdir.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	ctxbg := context.Background()
	postdir.Shutdown = ctxbg
	postdir.Context = ctxbg

	log.SetFlags(0)

	flag.StringVar(&postdir.ConfigPath, "config", envString("POSTDIRCONF", filepath.FromSlash("postdir.conf")), "configuration file, defaults to $POSTDIRCONF with a fallback to postdir.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.BoolVar(&pedantic, "pedantic", false, "stricter configuration checking, warnings become errors")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if pedantic {
		postdir.Pedantic = true
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		postdir.Conf.Log[""] = level
		mlog.SetConfig(postdir.Conf.Log)
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("postdir "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func printJSON(v any) {
	buf, err := json.MarshalIndent(v, "", "\t")
	xcheckf(err, "marshal json")
	fmt.Printf("%s\n", buf)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed. Directories that cannot be constructed, e.g. because a backend
server is unreachable, are reported as errors too.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := postdir.ParseConfig(context.Background(), c.log, postdir.ConfigPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">postdir.conf"
	c.help = `Prints an annotated empty configuration for use as postdir.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var cfg config.Config
	err := sconf.Describe(os.Stdout, &cfg)
	xcheckf(err, "describing config")
}

func cmdConfigExample(c *cmd) {
	c.params = ">postdir.conf"
	c.help = `Prints an example configuration with an internal directory, a memory
directory for testing and the admin API enabled.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	fmt.Print(`DataDir: data
LogLevel: info
Admin:
	Address: localhost:8432
Directories:
	main:
		Type: internal
	test:
		Type: memory
		CacheTTL: 1m
		Memory:
			Principals:
				alice:
					ID: 1000
					Secret: $2a$10$replace.with.a.real.bcrypt.hash
					Emails:
						- alice@example.com
Lookups:
	blocked:
		Type: list
		Comment: "#"
		Lines:
			- spammer@bad.example
`)
}

func cmdLoglevels(c *cmd) {
	c.help = `Print the configured log levels.

A single default level applies to all logging, with optional overrides per
package, e.g. storedir, ldapdir, sqldir, imapdir, smtpdir, authdb, webadmin.
Valid levels: error, info, debug, trace, traceauth, tracedata.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig(c)

	for pkg, level := range postdir.Conf.Log {
		s := level.String()
		if name, ok := mlog.LevelStrings[level]; ok {
			s = name
		}
		if pkg == "" {
			pkg = "(default)"
		}
		fmt.Printf("%s: %s\n", pkg, s)
	}
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the admin HTTP API.

The password is read from stdin. Its bcrypt hash is stored in the configured
admin password file, by default "adminpasswd" in the data directory.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig(c)

	path := postdir.Conf.File().Admin.PasswordFile
	if path == "" {
		path = postdir.DataDirPath("adminpasswd")
	} else {
		path = postdir.ConfigDirPath(path)
	}

	pw := xreadpassword()
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Attackers will try to bruteforce passwords, and WILL find passwords
reused at other services and weak passwords. So please pick a random,
unguessable password, preferably at least 12 characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

// xdirectory resolves the -directory flag, or the sole configured directory,
// to a directory in the registry.
func xdirectory(id string) (string, directory.Directory) {
	reg := postdir.Conf.Registry()
	if id == "" {
		ids := reg.IDs()
		if len(ids) != 1 {
			log.Fatalf("multiple directories configured, specify one with -directory")
		}
		id = ids[0]
	}
	dir, ok := reg.Lookup(id)
	if !ok {
		log.Fatalf("no such directory %q", id)
	}
	return id, dir
}

func cmdFind(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "directory id to look in, can be empty if only one directory is configured")
	c.params = "nameorid"
	c.help = `Look up a principal by name or numeric id and print it as JSON.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)

	_, dir := xdirectory(dirID)
	p, err := dir.FindPrincipal(context.Background(), args[0])
	xcheckf(err, "looking up principal")
	printJSON(p)
}

func cmdAuthtest(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "directory id to authenticate against, can be empty if only one directory is configured")
	c.params = "name"
	c.help = `Check credentials against a directory.

The password is read from stdin. On success the authenticated principal is
printed as JSON.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)

	id, _ := xdirectory(dirID)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")

	p, err := postdir.Authenticate(context.Background(), c.log, id, args[0], scanner.Text(), "", "cli", "plain")
	xcheckf(err, "authenticating")
	printJSON(p)
}

func cmdExpandgroup(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "directory id to look in, can be empty if only one directory is configured")
	c.params = "groupid"
	c.help = `Print the numeric ids of the members of a group, one per line.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)

	id, err := strconv.ParseUint(args[0], 10, 32)
	xcheckf(err, "parsing group id")
	_, dir := xdirectory(dirID)
	members, err := dir.ExpandGroup(context.Background(), uint32(id))
	xcheckf(err, "expanding group")
	for _, m := range members {
		fmt.Println(m)
	}
}

func cmdEmails(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "directory id to look in, can be empty if only one directory is configured")
	c.params = "nameorid"
	c.help = `Print the email addresses of a principal, one per line, primary first.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)

	_, dir := xdirectory(dirID)
	ctx := context.Background()
	p, err := dir.FindPrincipal(ctx, args[0])
	xcheckf(err, "looking up principal")
	emails, err := dir.ListEmails(ctx, p)
	xcheckf(err, "listing emails")
	for _, e := range emails {
		fmt.Println(e)
	}
}

func cmdLookupMatch(c *cmd) {
	c.params = "name key"
	c.help = `Evaluate a configured lookup list against a key.

Prints the mapped value for type map, or "match"/"no match" for the other
types. Exits with status 1 on no match.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	mustLoadConfig(c)

	l, ok := postdir.Conf.File().Lookups[args[0]]
	if !ok {
		log.Fatalf("no such lookup %q", args[0])
	}
	if l.Type == "map" {
		value, ok := l.Matcher.Resolve(args[1])
		if !ok {
			fmt.Println("no match")
			os.Exit(1)
		}
		fmt.Println(value)
		return
	}
	if !l.Matcher.Matches(args[1]) {
		fmt.Println("no match")
		os.Exit(1)
	}
	fmt.Println("match")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this postdir version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(postdirvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
