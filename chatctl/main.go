package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/hearthchat/chatclient"
)

const ChatCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Chat client control.

The default urls are:
    api_url: http://localhost:8080/api
    connect_url: ws://localhost:8080/ws-chat

Usage:
    chatctl connect [--api_url=<api_url>] [--connect_url=<connect_url>]
        [--jwt=<jwt>]
    chatctl send [--api_url=<api_url>] [--connect_url=<connect_url>]
        [--jwt=<jwt>]
        (--to_user=<user_id> | --group=<group_id>)
        <message>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --jwt=<jwt>                Your bearer credential. Prompted when omitted.
    --to_user=<user_id>        Private message recipient.
    --group=<group_id>         Group to send to.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}

	if connect_, _ := opts.Bool("connect"); connect_ {
		connect(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

func takeJwt(opts docopt.Opts) string {
	jwt, _ := opts.String("--jwt")
	if jwt != "" {
		return jwt
	}
	fmt.Print("jwt: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Printf("could not read jwt (%s)", err)
		os.Exit(1)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func newClient(opts docopt.Opts, jwt string) *chatclient.ChatClient {
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = "http://localhost:8080/api"
	}
	connectUrl, _ := opts.String("--connect_url")
	if connectUrl == "" {
		connectUrl = "ws://localhost:8080/ws-chat"
	}

	api := chatclient.NewHttpChatApi(apiUrl)
	api.SetByJwt(jwt)

	settings := chatclient.DefaultChatClientSettings()
	settings.ConnectUrls = []string{connectUrl}

	return chatclient.NewChatClient(context.Background(), api, settings)
}

// connect and tail normalized events until interrupted
func connect(opts docopt.Opts) {
	jwt := takeJwt(opts)
	client := newClient(opts, jwt)
	defer client.Close()

	events := client.Events()
	events.OnConnected(func(userId string, username string) {
		Out.Printf("connected as %s (%s)", username, userId)
	})
	events.OnDisconnected(func() {
		Out.Printf("disconnected")
	})
	events.OnError(func(err error) {
		Err.Printf("error: %s", err)
	})
	events.OnPublicMessage(func(message *chatclient.ChatMessage) {
		Out.Printf("[group %s] %s: %s", message.GroupId, message.SenderName, message.Content)
	})
	events.OnPrivateMessage(func(message *chatclient.ChatMessage) {
		Out.Printf("[private] %s: %s", message.SenderName, message.Content)
	})
	events.OnUserOnline(func(userId string) {
		Out.Printf("%s is online", userId)
	})
	events.OnUserOffline(func(userId string) {
		Out.Printf("%s is offline", userId)
	})
	events.OnNotification(func(text string) {
		Out.Printf("* %s", text)
	})
	events.OnSystemMessage(func(notice *chatclient.SystemNotice) {
		Out.Printf("* system: %s", notice.Type)
	})
	events.OnMessageAck(func(ack *chatclient.MessageAck) {
		Out.Printf("ack %s -> %s success=%t", ack.TempId, ack.RealId, ack.Success)
	})

	if err := client.Connect(jwt).Wait(context.Background()); err != nil {
		Err.Printf("connect failed: %s", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	client.Disconnect()
}

// connect, deliver one message, wait for its ack, then leave
func send(opts docopt.Opts) {
	jwt := takeJwt(opts)
	client := newClient(opts, jwt)
	defer client.Close()

	message, _ := opts.String("<message>")
	toUser, _ := opts.String("--to_user")
	group, _ := opts.String("--group")

	acked := make(chan *chatclient.MessageAck, 1)
	client.Events().OnMessageAck(func(ack *chatclient.MessageAck) {
		select {
		case acked <- ack:
		default:
		}
	})
	client.Events().OnError(func(err error) {
		Err.Printf("error: %s", err)
	})

	if err := client.Connect(jwt).Wait(context.Background()); err != nil {
		Err.Printf("connect failed: %s", err)
		os.Exit(1)
	}

	var tempId string
	var err error
	if group != "" {
		tempId, err = client.SendGroupMessage(group, message)
	} else {
		tempId, err = client.SendPrivateMessage(toUser, message)
	}
	if err != nil {
		Err.Printf("send failed: %s", err)
		os.Exit(1)
	}

	ack := <-acked
	if ack.TempId != tempId {
		Err.Printf("ack mismatch: sent %s, acked %s", tempId, ack.TempId)
	} else {
		Out.Printf("delivered %s -> %s", tempId, ack.RealId)
	}

	client.Disconnect()
}
