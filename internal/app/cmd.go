package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はゲートウェイを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandCleanup は期限切れセッションを1回だけ削除することを示す。
	CommandCleanup Command = "cleanup"
	// CommandProvision はユーザーにアップストリームトークンを登録することを示す。
	CommandProvision Command = "provision"
	// CommandRevoke はユーザーのアップストリームトークンを取り消すことを示す。
	CommandRevoke Command = "revoke"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "cleanup":
		return CommandCleanup
	case "provision":
		return CommandProvision
	case "revoke":
		return CommandRevoke
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ProvisionArgs はprovisionサブコマンドの引数。
type ProvisionArgs struct {
	UserID        string
	UpstreamToken string
	Username      string
}

// ParseProvisionArgs は "provision <user-id> <upstream-token> [username]" を解析する。
// argsにはサブコマンド名を除いた引数を渡す。
func ParseProvisionArgs(args []string) (ProvisionArgs, bool) {
	if len(args) < 2 || len(args) > 3 || args[0] == "" || args[1] == "" {
		return ProvisionArgs{}, false
	}
	p := ProvisionArgs{UserID: args[0], UpstreamToken: args[1]}
	if len(args) == 3 {
		p.Username = args[2]
	}
	return p, true
}
