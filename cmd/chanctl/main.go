// Command chanctl inspects and maintains a chanserv channel database
// offline. The server must not be running against the same file.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/crystal-mush/chanserv/pkg/archive"
	"github.com/crystal-mush/chanserv/pkg/boltstore"
	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/server"
)

func main() {
	boltPath := flag.String("bolt", os.Getenv("CHAN_BOLT"), "Path to bbolt channel database (env: CHAN_BOLT)")
	list := flag.Bool("list", false, "List all channels")
	show := flag.Int("channel", 0, "Show members, bans, groups and attributes of a channel")
	create := flag.String("create", "", "Create a channel with this name")
	owner := flag.Int("owner", 0, "Owner user id for -create")
	track := flag.Bool("track", false, "Track messages for -create")
	validate := flag.Bool("validate", false, "Check stored rows for inconsistencies")
	token := flag.Int("token", 0, "Issue a token for this user id (uses -secret and -name)")
	name := flag.String("name", "", "Display name for -token")
	secret := flag.String("secret", os.Getenv("CHAN_JWT_SECRET"), "JWT secret for -token (env: CHAN_JWT_SECRET)")
	archives := flag.String("archives", "", "List the archives in this directory")
	restore := flag.String("restore", "", "Restore the channel database from this archive into -bolt")
	scrollbackDest := flag.String("scrollback", "", "Also restore scrollback to this sqlite path (with -restore)")
	confDest := flag.String("conf", "", "Also restore the config to this path (with -restore)")
	overwriteConf := flag.Bool("overwrite-conf", false, "Replace a differing config on -restore")
	flag.Parse()

	if *archives != "" {
		printArchives(*archives)
		return
	}

	if *token > 0 {
		if *secret == "" {
			fatal("-token needs -secret or CHAN_JWT_SECRET")
		}
		tok, err := server.NewAuthService(*secret, 0).IssueToken(*token, *name)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(tok)
		return
	}

	if *boltPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: chanctl --bolt <path> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *restore != "" {
		res, err := archive.Restore(archive.RestoreParams{
			ArchivePath:    *restore,
			BoltDest:       *boltPath,
			ScrollbackDest: *scrollbackDest,
			ConfDest:       *confDest,
			OverwriteConf:  *overwriteConf,
		})
		if err != nil {
			fatal("%v", err)
		}
		for _, w := range res.Warnings {
			fmt.Println("WARNING: " + w)
		}
		fmt.Printf("restored %d files from %s\n", res.FilesRestored, *restore)
	}

	store, err := boltstore.Open(*boltPath)
	if err != nil {
		fatal("%v", err)
	}
	defer store.Close()

	fmt.Printf("%s: %d channels\n", *boltPath, store.ChannelCount())

	if *create != "" {
		if *owner <= 0 {
			fatal("-create needs -owner")
		}
		d, err := store.CreateChannel(channel.Details{Name: *create, Alias: *create, Owner: *owner, TrackMessages: *track})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("created #%d %s (%s)\n", d.ID, d.Name, d.UUID)
	}
	if *list {
		printChannels(store)
	}
	if *show > 0 {
		printChannel(store, *show)
	}
	if *validate {
		problems := check(store)
		for _, p := range problems {
			fmt.Println("  " + p)
		}
		fmt.Printf("%d problems found\n", len(problems))
		if len(problems) > 0 {
			os.Exit(2)
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}

func printArchives(dir string) {
	all, err := archive.List(dir)
	if err != nil {
		fatal("%v", err)
	}
	if len(all) == 0 {
		fmt.Printf("no archives in %s\n", dir)
		return
	}
	for _, a := range all {
		fmt.Printf("%-36s %10d bytes  %s  %d channels\n", a.Filename, a.Size, a.Timestamp, a.Channels)
	}
}

func printChannels(store *boltstore.Store) {
	all, err := store.Search("", 0)
	if err != nil {
		fatal("%v", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	fmt.Printf("%6s  %-24s %6s  %s\n", "ID", "Name", "Owner", "Track")
	for _, d := range all {
		fmt.Printf("%6d  %-24s %6d  %v\n", d.ID, d.Name, d.Owner, d.TrackMessages)
	}
}

func printChannel(store *boltstore.Store, id int) {
	d, err := store.LookupByID(id)
	if err != nil {
		fatal("channel %d: %v", id, err)
	}
	fmt.Printf("#%d %s\n  uuid: %s\n  owner: %d\n  description: %s\n", d.ID, d.Name, d.UUID, d.Owner, d.Description)

	members, _ := store.ChannelMembers(id)
	ids := make([]int, 0, len(members))
	for u := range members {
		ids = append(ids, u)
	}
	sort.Ints(ids)
	fmt.Printf("  members (%d):\n", len(ids))
	for _, u := range ids {
		fmt.Printf("    %d -> group %d\n", u, members[u])
	}

	bans, _ := store.ChannelBans(id)
	fmt.Printf("  bans (%d): %v\n", len(bans), bans)

	groups, _ := store.ChannelGroups(id)
	fmt.Printf("  group overrides (%d):\n", len(groups))
	for _, g := range groups {
		fmt.Printf("    %d %s [%s] %s\n", g.ID, g.Name, g.Type, strings.Join(g.Permissions, ","))
	}

	attrs, _ := store.ChannelAttributes(id)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  attributes (%d):\n", len(keys))
	for _, k := range keys {
		fmt.Printf("    %s = %q\n", k, attrs[k])
	}
}

// check reports rows a channel load would have to repair.
func check(store *boltstore.Store) []string {
	all, err := store.Search("", 0)
	if err != nil {
		fatal("%v", err)
	}
	var problems []string
	for _, d := range all {
		known := make(map[int]bool)
		for _, g := range channel.DefaultGroups(d.ID) {
			known[g.ID] = true
		}
		groups, _ := store.ChannelGroups(d.ID)
		for _, g := range groups {
			known[g.ID] = true
			if !g.Type.Valid() || g.Type == channel.TypeSystem {
				problems = append(problems, fmt.Sprintf("#%d: group %d has invalid type %s", d.ID, g.ID, g.Type))
			}
		}
		bans, _ := store.ChannelBans(d.ID)
		banned := make(map[int]bool, len(bans))
		for _, b := range bans {
			banned[b] = true
		}
		members, _ := store.ChannelMembers(d.ID)
		for u, g := range members {
			switch {
			case banned[u]:
				problems = append(problems, fmt.Sprintf("#%d: user %d is both member and banned", d.ID, u))
			case !known[g]:
				problems = append(problems, fmt.Sprintf("#%d: user %d is in missing group %d", d.ID, u, g))
			case g == channel.OwnerGroupID && u != d.Owner:
				problems = append(problems, fmt.Sprintf("#%d: user %d holds the owner group", d.ID, u))
			}
		}
	}
	sort.Strings(problems)
	return problems
}
