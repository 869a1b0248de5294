package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/vango-go/datachat/pkg/core/binder"
	"github.com/vango-go/datachat/pkg/core/lifecycle"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/core/voice"
	datachat "github.com/vango-go/datachat/sdk"
)

const helpText = `commands:
  /new [title]      start a conversation
  /list             list conversations
  /switch <id>      switch conversation
  /delete <id>      delete a conversation
  /connect [url]    connect the active conversation to a dataset
  /retry            retry a failed connection
  /inspect          show the dataset structure
  /ack              accept the dataset and start querying
  /skip             start querying without inspecting
  /status           show the data service status
  /listen           start recording a spoken question
  /done             stop recording and ask the transcribed question
  /speak            read the last answer aloud
  /reset            reset the data service session
  /login            log in again
  /logout           log out and clear local data
  /quit             exit
anything else is sent as a question about the dataset`

// lockedWriter serializes writes from the REPL and stage observers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type lineResult struct {
	text string
	err  error
}

// lineReader reads one line of input per request, so nothing else that reads
// stdin (such as a no-echo prompt) competes with a pending scan.
type lineReader struct {
	scanner *bufio.Scanner
	reqs    chan struct{}
	results chan lineResult
	done    chan struct{}
	once    sync.Once
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{
		scanner: bufio.NewScanner(r),
		reqs:    make(chan struct{}),
		results: make(chan lineResult, 1),
		done:    make(chan struct{}),
	}
}

func (lr *lineReader) loop() {
	defer close(lr.done)
	for range lr.reqs {
		if lr.scanner.Scan() {
			lr.results <- lineResult{text: lr.scanner.Text()}
			continue
		}
		err := lr.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		lr.results <- lineResult{err: err}
		return
	}
}

// Next returns the next input line, io.EOF at the end of input, or ctx's error.
func (lr *lineReader) Next(ctx context.Context) (string, error) {
	lr.once.Do(func() { go lr.loop() })
	select {
	case lr.reqs <- struct{}{}:
	case <-lr.done:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-lr.results:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type repl struct {
	client    *datachat.Client
	out       io.Writer
	errOut    io.Writer
	readToken func(context.Context) (string, error)
	mic       func() (voice.Capturer, error)
	player    func() (io.WriteCloser, error)

	mu         sync.Mutex
	watched    map[*lifecycle.Lifecycle]func()
	lastAnswer string
}

func newREPL(client *datachat.Client, out, errOut io.Writer, readToken func(context.Context) (string, error)) *repl {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &repl{
		client:    client,
		out:       out,
		errOut:    errOut,
		readToken: readToken,
		watched:   make(map[*lifecycle.Lifecycle]func()),
	}
}

// notifyExpiry reports forced logouts from here on. Call it after Start.
func (r *repl) notifyExpiry() {
	r.client.OnSessionExpired(func(reason string) {
		r.unwatchAll()
		fmt.Fprintf(r.out, "\nsession ended (%s); use /login to continue\n", reason)
	})
}

func (r *repl) login(ctx context.Context) error {
	for {
		token, err := r.readToken(ctx)
		if err != nil {
			return err
		}
		if err := r.client.Login(ctx, token); err != nil {
			fmt.Fprintf(r.errOut, "login failed: %v\n", err)
			continue
		}
		fmt.Fprintln(r.out, "logged in")
		return nil
	}
}

func (r *repl) run(ctx context.Context, lines *lineReader) error {
	fmt.Fprintln(r.out, "datachat ready. /help lists commands.")
	for {
		fmt.Fprint(r.out, "> ")
		line, err := lines.Next(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
		}
		if quit {
			fmt.Fprintln(r.out, "bye")
			return nil
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.ask(ctx, line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/new":
		view, err := r.client.NewConversation(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "conversation %s (%s)\n", view.Conversation.ID, view.Conversation.Title)
	case "/list":
		r.list()
	case "/switch":
		view, err := r.client.SwitchConversation(ctx, arg)
		if err != nil {
			return false, err
		}
		r.printView(view)
	case "/delete":
		if err := r.client.DeleteConversation(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "deleted")
	case "/connect":
		if err := r.watch(ctx); err != nil {
			return false, err
		}
		return false, r.client.ConnectDataset(ctx, arg)
	case "/retry":
		if err := r.watch(ctx); err != nil {
			return false, err
		}
		return false, r.client.Retry(ctx)
	case "/inspect":
		meta, err := r.client.Inspect(ctx)
		if err != nil {
			return false, err
		}
		printMetadata(r.out, meta)
	case "/ack":
		if err := r.watch(ctx); err != nil {
			return false, err
		}
		return false, r.client.Acknowledge(ctx)
	case "/skip":
		if err := r.watch(ctx); err != nil {
			return false, err
		}
		return false, r.client.Skip(ctx)
	case "/status":
		st, err := r.client.Status(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "service: %s %s %s\n", st.State, st.CurrentStage, st.Error)
	case "/listen":
		return false, r.listen(ctx)
	case "/done":
		return false, r.done(ctx)
	case "/speak":
		return false, r.speak(ctx)
	case "/reset":
		if err := r.client.ResetSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "session reset; /connect to reload the dataset")
	case "/login":
		return false, r.login(ctx)
	case "/logout":
		r.unwatchAll()
		if err := r.client.Logout(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "logged out")
	default:
		return false, fmt.Errorf("unknown command %s; /help lists commands", cmd)
	}
	return false, nil
}

func (r *repl) ask(ctx context.Context, text string) error {
	res, err := r.client.Ask(ctx, text)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lastAnswer = res.Answer
	r.mu.Unlock()
	fmt.Fprintln(r.out, res.Answer)
	if len(res.Rows) > 0 {
		fmt.Fprintf(r.out, "(%d rows)\n", len(res.Rows))
	}
	return nil
}

func (r *repl) list() {
	active := ""
	if view, ok := r.client.Active(); ok {
		active = view.Conversation.ID
	}
	convs := r.client.Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "no conversations; /new starts one")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s  %s\n", marker, c.ID, c.Title)
	}
}

func (r *repl) printView(view binder.View) {
	fmt.Fprintf(r.out, "conversation %s (%s): %s", view.Conversation.ID, view.Conversation.Title, view.Dataset.State)
	if view.SourceURL != "" {
		fmt.Fprintf(r.out, " bound to %s", view.SourceURL)
	}
	fmt.Fprintln(r.out)
	for _, m := range view.Messages {
		fmt.Fprintf(r.out, "  %s: %s\n", m.Role, m.Content)
	}
}

// watch prints stage progress of the active conversation's dataset.
func (r *repl) watch(ctx context.Context) error {
	lc, err := r.client.Dataset(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watched[lc]; ok {
		return nil
	}
	prev := lc.State()
	r.watched[lc] = lc.Subscribe(func(s lifecycle.Snapshot) {
		printSnapshot(r.out, prev, s)
		prev = s.State
	})
	return nil
}

func (r *repl) unwatchAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for lc, stop := range r.watched {
		stop()
		delete(r.watched, lc)
	}
}

func (r *repl) listen(ctx context.Context) error {
	if r.mic == nil {
		return errors.New("no microphone available")
	}
	mic, err := r.mic()
	if err != nil {
		return err
	}
	if err := r.client.StartVoice(ctx, mic); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "listening; /done when finished")
	return nil
}

func (r *repl) done(ctx context.Context) error {
	tr, err := r.client.StopVoice(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "you said: %s\n", tr.Text)
	return r.ask(ctx, tr.Text)
}

func (r *repl) speak(ctx context.Context) error {
	r.mu.Lock()
	text := r.lastAnswer
	r.mu.Unlock()
	if text == "" {
		return errors.New("nothing to read yet")
	}
	if r.player == nil {
		return errors.New("no audio output available")
	}
	player, err := r.player()
	if err != nil {
		return err
	}
	defer player.Close()
	return r.client.Speak(ctx, text, player)
}

// printSnapshot reports stage progress and each state entered since prev.
func printSnapshot(w io.Writer, prev types.State, s lifecycle.Snapshot) {
	switch {
	case s.Discarded:
	case s.State == types.StateLoading && s.Stage != types.StageNone:
		if s.Message != "" {
			fmt.Fprintf(w, "\n[%s] %s\n", s.Stage, s.Message)
		} else {
			fmt.Fprintf(w, "\n[%s]\n", s.Stage)
		}
	case s.State == prev:
	case s.State == types.StateReadyForInspection:
		fmt.Fprintln(w, "\ndataset ready; /inspect to review it, /skip to start querying")
	case s.State == types.StateLockedForQuery:
		fmt.Fprintln(w, "\ndataset locked; ask away")
	case s.State == types.StateError:
		fmt.Fprintf(w, "\ndataset failed: %s; /retry to try again\n", s.ErrorMessage())
	}
}

func printMetadata(w io.Writer, meta *types.DatasetMetadata) {
	if meta == nil {
		fmt.Fprintln(w, "no metadata")
		return
	}
	fmt.Fprintf(w, "%s: %d tables, %d rows\n", meta.Name, meta.TableCount(), meta.TotalRows())
	for _, sheet := range meta.Sheets {
		fmt.Fprintf(w, "  sheet %s\n", sheet.Name)
		for _, table := range sheet.Tables {
			fmt.Fprintf(w, "    %s (%d rows): %s\n", table.Name, table.RowCount, strings.Join(table.Columns, ", "))
		}
	}
}
