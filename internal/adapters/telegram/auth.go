package telegram

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	"github.com/sword-epi/spectra/internal/gateway"
)

// terminalAuthenticator реализует auth.UserAuthenticator для первого входа
// аккаунта: телефон и пароль 2FA берутся из учётных данных флота, код
// подтверждения запрашивается в консоли. Формат номера не проверяется.
type terminalAuthenticator struct {
	creds gateway.Credentials
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Phone возвращает номер из конфигурации аккаунта; ожидается E.164.
func (t terminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.creds.Phone, nil
}

// Code запрашивает код подтверждения у оператора.
func (t terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine(fmt.Sprintf("[%s] Enter the code from Telegram: ", t.creds.SessionHandle))
}

// Password возвращает пароль 2FA из конфигурации; при его отсутствии
// читает пароль из терминала без эха.
func (t terminalAuthenticator) Password(_ context.Context) (string, error) {
	if t.creds.Password != "" {
		return t.creds.Password, nil
	}
	fmt.Printf("[%s] Enter 2FA password: ", t.creds.SessionHandle)
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService выводит текст условий и запрашивает согласие.
func (t terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp не поддерживается: аккаунты флота должны быть зарегистрированы заранее.
func (t terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported; register the account manually")
}
