package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/HASMAC-AS/daylist/internal/config"
	"github.com/HASMAC-AS/daylist/internal/doc"
	"github.com/HASMAC-AS/daylist/internal/ice"
	"github.com/HASMAC-AS/daylist/internal/logging"
	"github.com/HASMAC-AS/daylist/internal/session"
)

var (
	flagRoom      string
	flagSecret    string
	flagSignaling []string
	flagName      string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagICECache  string
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a room and sync the shared task list",
	Long: `Join a room and keep a shared task list in sync with everyone else
in the room.

Examples:
  daylist join --room groceries
  daylist join --room groceries --secret hunter2
  daylist join --room groceries --signaling ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin()
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room name (required, or DAYLIST_ROOM)")
	joinCmd.Flags().StringVarP(&flagSecret, "secret", "s", "", "room secret for end-to-end encryption")
	joinCmd.Flags().StringSliceVar(&flagSignaling, "signaling", nil, "signaling relay URLs")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name shown to other peers")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server (turn:host)")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().StringVar(&flagICECache, "ice-cache", "", "path for the ICE server cache")
	rootCmd.AddCommand(joinCmd)
}

func runJoin() error {
	cfg, err := config.Load(config.Options{
		SignalingURLs: flagSignaling,
		Room:          flagRoom,
		Secret:        flagSecret,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
		ICECachePath:  flagICECache,
	})
	if err != nil {
		return err
	}

	localID := uuid.NewString()
	name := flagName
	if name == "" {
		name = localID[:8]
	}

	tasks := doc.NewTaskList(localID)
	presence := doc.NewPresence(localID)
	state, _ := json.Marshal(map[string]string{"name": name})
	presence.SetLocalState(state)

	var fetcher ice.Fetcher
	if urls := cfg.GetTURNServers(); len(urls) > 0 {
		user, pass := cfg.GetTURNCredentials()
		fetcher = ice.StaticFetcher(append(urls, cfg.GetSTUNServers()...), user, pass)
	}

	log := logging.Component("session")
	sess, err := session.New(session.Options{
		SignalingURLs: cfg.SignalingURLs,
		RoomName:      cfg.Room,
		Secret:        cfg.Secret,
		LocalID:       localID,
		Document:      tasks,
		Presence:      presence,
		Cache:         ice.NewCache(cfg.ICECachePath),
		Fetcher:       fetcher,
		Logger:        log,
		Observe: func(scope string, err error) {
			log.Warn("background error", "scope", scope, "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := sess.Start("join"); err != nil {
		return err
	}
	defer sess.Stop()

	fmt.Printf("Joined room %q as %s (%s)\n", cfg.Room, name, localID[:8])
	fmt.Println(`Commands: add <title>, done <#>, undo <#>, rm <#>, list, peers, quit`)

	repl(tasks, presence, sess)
	return nil
}

// repl reads commands from stdin until quit or EOF. Task numbers refer
// to the most recently printed list.
func repl(tasks *doc.TaskList, presence *doc.Presence, sess *session.Session) {
	var view []doc.Task
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "add":
			if arg == "" {
				fmt.Println("usage: add <title>")
				break
			}
			tasks.Put(uuid.NewString(), arg, false)
			view = renderTasks(tasks)
		case "done", "undo", "rm":
			task, ok := taskAt(view, arg)
			if !ok {
				fmt.Println("no such task; run list first")
				break
			}
			switch cmd {
			case "done":
				tasks.Put(task.ID, task.Title, true)
			case "undo":
				tasks.Put(task.ID, task.Title, false)
			case "rm":
				tasks.Delete(task.ID)
			}
			view = renderTasks(tasks)
		case "list", "ls":
			view = renderTasks(tasks)
		case "peers":
			renderPeers(presence, sess)
		case "quit", "exit", "q":
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		fmt.Print("> ")
	}
}

func taskAt(view []doc.Task, arg string) (doc.Task, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(view) {
		return doc.Task{}, false
	}
	return view[n-1], true
}

func renderTasks(tasks *doc.TaskList) []doc.Task {
	list := tasks.Tasks()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Task", "Done", "Author"})
	for i, task := range list {
		done := ""
		if task.Done {
			done = "x"
		}
		t.AppendRow(table.Row{i + 1, task.Title, done, shortID(task.Author)})
	}
	t.Render()
	return list
}

func renderPeers(presence *doc.Presence, sess *session.Session) {
	list, _ := sess.PeerList()
	connected := make(map[string]bool, len(list.Connected))
	for _, id := range list.Connected {
		connected[id] = true
	}
	names := peerNames(presence)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Peer", "Name", "Status"})
	for _, id := range list.WebRTCPeers {
		status := "pending"
		if connected[id] {
			status = "connected"
		}
		t.AppendRow(table.Row{shortID(id), names[id], status})
	}
	for _, id := range list.RelayPeers {
		if !containsPeer(list.WebRTCPeers, id) {
			t.AppendRow(table.Row{shortID(id), names[id], "relay"})
		}
	}
	t.Render()
	fmt.Printf("session: %s\n", sess.State())
}

func peerNames(presence *doc.Presence) map[string]string {
	names := make(map[string]string)
	for id, raw := range presence.States() {
		var state struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &state); err == nil {
			names[id] = state.Name
		}
	}
	return names
}

func containsPeer(peers []string, id string) bool {
	for _, p := range peers {
		if p == id {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
