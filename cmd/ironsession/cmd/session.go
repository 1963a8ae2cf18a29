package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/gateway"
)

var (
	loginEmail    string
	loginPassword bool
	loginUID      string
	statusCheck   bool
	statusJSON    bool
	verifyEmail   string
	verifyOTP     string
	resendEmail   string
	forgetEmail   string
	reg           gateway.RegisterRequest
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUID != "" {
			return loginWithUID(cmd, loginUID)
		}
		p := newPrompter(cmd)
		email := loginEmail
		if email == "" {
			var err error
			if email, err = p.ask("Email"); err != nil {
				return err
			}
		}
		password := os.Getenv("IRONSESSION_PASSWORD")
		if password == "" || loginPassword {
			var err error
			if password, err = p.askSecret("Password"); err != nil {
				return err
			}
		}

		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if !k.Login(cmd.Context(), email, password) {
			return failure(k, "login failed")
		}
		st := k.Machine.State()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", signedInAs(st, email), st.Role())
		return nil
	},
}

func loginWithUID(cmd *cobra.Command, uid string) error {
	k, err := openKeeper(cmd.Context())
	if err != nil {
		return err
	}
	defer k.Close()

	if !k.LoginWithUID(cmd.Context(), uid) {
		return failure(k, "login failed")
	}
	st := k.Machine.State()
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", signedInAs(st, uid), st.Role())
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		k.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted session and its health",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if statusCheck {
			k.Resume(cmd.Context())
		}
		health := k.Controller.Health()
		profile, signedIn := k.Store.LoadProfile()
		if _, ok := k.Store.Load(); !ok {
			signedIn = false
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			resp := struct {
				SignedIn bool   `json:"signedIn"`
				User     any    `json:"user,omitempty"`
				Health   any    `json:"health"`
				Status   string `json:"status"`
			}{SignedIn: signedIn, Health: health, Status: k.Machine.State().Status.String()}
			if signedIn {
				resp.User = profile
			}
			return enc.Encode(resp)
		}

		if !signedIn {
			fmt.Fprintln(out, "Not signed in")
			return nil
		}
		fmt.Fprintf(out, "User:          %s <%s> (%s)\n", profile.DisplayName(), profile.Email, profile.Role)
		fmt.Fprintf(out, "Valid:         %t\n", health.IsValid)
		fmt.Fprintf(out, "Expires in:    %s\n", health.TimeUntilExpiry.Round(time.Second))
		fmt.Fprintf(out, "Needs refresh: %t\n", health.ShouldRefresh)
		if !health.LastActivityAt.IsZero() {
			fmt.Fprintf(out, "Last activity: %s\n", health.LastActivityAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the refresh token for a new access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if !k.Machine.RefreshAuthToken(cmd.Context()) {
			return failure(k, "refresh failed")
		}
		b, _ := k.Store.Load()
		fmt.Fprintf(cmd.OutOrStdout(), "Access token refreshed, expires %s\n", b.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

var verifyEmailCmd = &cobra.Command{
	Use:   "verify-email",
	Short: "Confirm an email address with the one-time code and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if !k.Machine.VerifyEmail(cmd.Context(), verifyEmail, verifyOTP) {
			return failure(k, "verification failed")
		}
		k.Controller.RecordActivity()
		fmt.Fprintf(cmd.OutOrStdout(), "Email verified, signed in as %s\n", signedInAs(k.Machine.State(), verifyEmail))
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reg.Password == "" {
			p, err := newPrompter(cmd).askSecret("Password")
			if err != nil {
				return err
			}
			reg.Password = p
		}
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		resp, ok := k.Machine.Register(cmd.Context(), reg)
		if !ok {
			return failure(k, "registration failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		if resp.EmailSent {
			fmt.Fprintf(cmd.OutOrStdout(), "Run `ironsession verify-email --email %s --otp <code>` to finish.\n", resp.Email)
		}
		return nil
	},
}

var resendOTPCmd = &cobra.Command{
	Use:   "resend-otp",
	Short: "Send a new email verification code",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if !k.Machine.ResendOTP(cmd.Context(), resendEmail) {
			return failure(k, "could not send code")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "A new code was sent to %s\n", resendEmail)
		return nil
	},
}

var forgetPasswordCmd = &cobra.Command{
	Use:   "forget-password",
	Short: "Change the account password",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrompter(cmd)
		req := gateway.ForgetPasswordRequest{Email: forgetEmail}
		var err error
		if req.OldPassword, err = p.askSecret("Current password"); err != nil {
			return err
		}
		if req.NewPassword, err = p.askSecret("New password"); err != nil {
			return err
		}
		confirm, err := p.askSecret("Repeat new password")
		if err != nil {
			return err
		}
		if confirm != req.NewPassword {
			return errors.New("new passwords do not match")
		}

		k, err := openKeeper(cmd.Context())
		if err != nil {
			return err
		}
		defer k.Close()

		if !k.Machine.ForgetPassword(cmd.Context(), req) {
			return failure(k, "password change failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd, refreshCmd, verifyEmailCmd, registerCmd, resendOTPCmd, forgetPasswordCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().BoolVar(&loginPassword, "prompt", false, "Prompt for the password even if IRONSESSION_PASSWORD is set")
	loginCmd.Flags().StringVar(&loginUID, "uid", "", "Sign in with a linked identity-provider uid instead of a password")
	loginCmd.MarkFlagsMutuallyExclusive("uid", "email")
	loginCmd.MarkFlagsMutuallyExclusive("uid", "prompt")

	resendOTPCmd.Flags().StringVar(&resendEmail, "email", "", "Account email")
	_ = resendOTPCmd.MarkFlagRequired("email")

	forgetPasswordCmd.Flags().StringVar(&forgetEmail, "email", "", "Account email")
	_ = forgetPasswordCmd.MarkFlagRequired("email")

	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Verify the session with the auth service first")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")

	verifyEmailCmd.Flags().StringVar(&verifyEmail, "email", "", "Account email")
	verifyEmailCmd.Flags().StringVar(&verifyOTP, "otp", "", "One-time code from the verification email")
	_ = verifyEmailCmd.MarkFlagRequired("email")
	_ = verifyEmailCmd.MarkFlagRequired("otp")

	f := registerCmd.Flags()
	f.StringVar(&reg.FirstName, "first-name", "", "First name")
	f.StringVar(&reg.LastName, "last-name", "", "Last name")
	f.StringVar(&reg.Username, "username", "", "Username")
	f.StringVar(&reg.Email, "email", "", "Email")
	f.StringVar(&reg.NIC, "nic", "", "National identity card number")
	f.StringVar(&reg.Phone, "phone", "", "Phone number")
	f.StringVar(&reg.Address, "address", "", "Postal address")
	f.StringVar(&reg.Branch, "branch", "", "Branch")
	f.StringVar(&reg.Role, "role", "EMPLOYEE", "Requested role")
	f.StringVar(&reg.LoginType, "login-type", "EMAIL", "Login type")
}
